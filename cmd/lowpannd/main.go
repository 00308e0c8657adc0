// lowpannd -- 6LoWPAN Neighbor Discovery reference host (RFC 6775).
package main

import "github.com/dantte-lp/lowpannd/cmd/lowpannd/commands"

func main() {
	commands.Execute()
}
