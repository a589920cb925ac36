// Command pagefeed serves RSS, Atom and JSON feeds generated from web pages.
package main

import (
	"github.com/JakeFAU/pagefeed/cmd"
)

func main() {
	cmd.Execute()
}
