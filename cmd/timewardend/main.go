// Command timewardend runs the time-synchronization daemon.
package main

import (
	"os"

	"github.com/timewarden/timewardend/internal/timewardencmd"
)

func main() {
	os.Exit(timewardencmd.Execute())
}
