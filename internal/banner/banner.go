// Package banner prints the startup header shown before logging begins.
package banner

import "fmt"

const logo = `
======================================================================
 ____       _       _     _
|  _ \ __ _| |_ ___| |__ | |__   __ _ _   _
| |_) / _` + "`" + ` | __/ __| '_ \| '_ \ / _` + "`" + ` | | | |
|  __/ (_| | || (__| | | | |_) | (_| | |_| |
|_|   \__,_|\__\___|_| |_|_.__/ \__,_|\__, |
                                      |___/
----------------------------------------------------------------------`

const rule = `======================================================================`

// ConfigLine is one label/value row under the service name.
type ConfigLine struct {
	Label string
	Value string
}

// Print writes the logo, service name, and aligned configuration rows.
func Print(serviceName string, config []ConfigLine) {
	fmt.Println(logo)
	fmt.Println(serviceName)

	width := 0
	for _, c := range config {
		if len(c.Label) > width {
			width = len(c.Label)
		}
	}
	for _, c := range config {
		fmt.Printf("  %-*s : %s\n", width, c.Label, c.Value)
	}

	fmt.Println()
	fmt.Println("Ready.")
	fmt.Println(rule)
	fmt.Println()
}
