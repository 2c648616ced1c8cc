// The main package for the spiderd executable.
package main

import (
	"github.com/crawlhq/spiderd/cmd"
)

func main() {
	cmd.Execute()
}
