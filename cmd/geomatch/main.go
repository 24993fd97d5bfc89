package main

import "github.com/dbsmedya/geomatch/cmd/geomatch/cmd"

func main() {
	cmd.Execute()
}
