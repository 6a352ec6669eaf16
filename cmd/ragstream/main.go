// Command ragstream is the entry point for the retrieval-augmented chat
// service. It provides a CLI interface (via Cobra) for ingesting documents,
// querying the knowledge base, and running the HTTP/SSE server.
package main

import (
	"fmt"
	"os"

	"github.com/54b3r/ragstream-go/cmd/ragstream/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
