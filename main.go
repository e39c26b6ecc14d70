// The main package for the harvester executable.
package main

import (
	"context"

	"github.com/harvestkit/harvester/cmd"
)

func main() {
	cmd.Execute(context.Background())
}
