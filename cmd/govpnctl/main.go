// govpnctl -- CLI client for the govpnd tunnel daemon.
package main

import "github.com/dantte-lp/govpnd/cmd/govpnctl/commands"

func main() {
	commands.Execute()
}
