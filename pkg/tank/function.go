package tank

import (
	"fmt"
	"strings"
)

// Function handles the parameter string of a remote call and returns its result.
type Function func(params string) string

// TankFunction opens or closes the whole tank. Unrecognized parameters yield "".
func TankFunction(c *Controller) Function {
	return toggle(c, "Machine", c.Open, c.Close)
}

// InputFaucetFunction opens or closes the input faucet.
func InputFaucetFunction(c *Controller) Function {
	return toggle(c, "Input Faucet", c.OpenInput, c.CloseInput)
}

// OutputFaucetFunction opens or closes the output faucet.
func OutputFaucetFunction(c *Controller) Function {
	return toggle(c, "Output Faucet", c.OpenOutput, c.CloseOutput)
}

func toggle(c *Controller, subject string, open, close func()) Function {
	return func(params string) string {
		switch {
		case strings.HasPrefix(params, "open"):
			open()
			return report(c, "Opening "+subject)
		case strings.HasPrefix(params, "close"):
			close()
			return report(c, "Closing "+subject)
		}
		return ""
	}
}

func report(c *Controller, action string) string {
	s := c.Snapshot()
	return fmt.Sprintf("\n%s\n-- Level %d in faucet = %d out faucet = %d\n",
		action, s.Level, boolToInt(s.InputOpen), boolToInt(s.OutputOpen))
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
