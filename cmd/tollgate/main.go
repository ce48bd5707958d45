// Tollgate - policy decisions and transactional fixes for infrastructure code
// Decide. Patch. Roll back.
package main

import "os"

func main() {
	os.Exit(Execute(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
