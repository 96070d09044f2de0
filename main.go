package main

import "github.com/petervdpas/goopcall/internal/cli"

func main() {
	cli.Execute()
}
