// Command reelcached runs the progressive media caching and streaming
// proxy: it downloads byte-ranged media from a remote backend into a
// local disk cache and re-serves it over HTTP with Range support while
// the download is still in flight.
package main

func main() {
	Execute()
}
