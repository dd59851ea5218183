// Command hello is the simplest userland demo: it writes "Hello!\n" through
// the write syscall and exits. This is spec.md §8 scenario 2 in full: a
// process loaded from an ELF image whose only job is to prove the
// write-syscall path reaches the active terminal.
package main

import "corekernel/userland/sys"

func main() {
	sys.Write([]byte("Hello!\n"))
	sys.Exit()
}
