package main

import "github.com/jabolina/go-gcs/cmd/gcs-sim/cmd"

func main() {
	cmd.Execute()
}
