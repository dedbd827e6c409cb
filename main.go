package main

import "option-settlement-pipeline/internal/cli"

func main() {
	cli.Execute()
}
