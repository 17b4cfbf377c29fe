package main

import "sam3web/cli"

func main() {
	cli.Execute()
}
