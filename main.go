package main

import (
	"fmt"
	"os"

	relay "github.com/putto11262002/relay/app"
)

func main() {
	app, err := relay.New(nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(app.Start())
}
