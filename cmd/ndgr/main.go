// Command ndgr is a minimal demo client for the niconico live chat
// engine in pkg/supervisor: enough of a CLI to drive the engine from a
// terminal, not a product.
package main

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fatal(err)
	}
}
