// Command replicate starts a node of the replicated document store, or
// issues a one-off call against a running one.
package main

import "github.com/volantsearch/replicate/cmd"

func main() {
	cmd.Execute()
}
