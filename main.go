// Minimal entry point; CLI handling lives in cmd/.
package main

import "water-simulator/cmd"

func main() {
	cmd.Execute()
}
