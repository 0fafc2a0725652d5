// Overwatch binds cloud accounts, keeps an inventory of resources tagged
// for expiry, and deletes them once they are due.
package main

func main() {
	Execute()
}
