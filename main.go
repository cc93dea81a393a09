package main

import "github.com/edgeflare/restbuddy/cmd/restbuddy"

func main() {
	restbuddy.Main()
}
