// Command yearscan collects the entries a paginated listing published in a
// given year.
package main

import "github.com/JakeFAU/yearscan/cmd"

func main() {
	cmd.Execute()
}
