package main

import "mev-scanner/internal/cli"

func main() {
	cli.Execute()
}
