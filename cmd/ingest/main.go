package main

import "github.com/vietddude/ingestkit/internal/cli"

func main() {
	cli.Execute()
}
