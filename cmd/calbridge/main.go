package main

import "calbridge/internal/cli"

func main() {
	cli.Execute()
}
