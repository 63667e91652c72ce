package main

import "github.com/nghyane/pi-model-selector/internal/cli"

func main() {
	cli.Execute()
}
