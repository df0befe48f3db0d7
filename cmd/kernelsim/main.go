// Command kernelsim boots the simulated kernel and runs a scenario on it.
package main

import "github.com/sarchlab/xvkernel/cmd/kernelsim/cmd"

func main() {
	cmd.Execute()
}
