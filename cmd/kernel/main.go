// Command kernel is the kernel's entry point: the single Go symbol the
// bootloader's trampoline jumps to once it has handed over boot.Info and
// this core is running in 64-bit long mode on a usable stack.
//
// No rt0/bootloader-glue assembly ships alongside this command. The
// trampoline is expected to write the real boot.Info payload into bootInfo's
// memory before jumping here, the same way the teacher's rt0 poked a raw
// multiboot pointer into a global ahead of calling its own main.
package main

import "corekernel/kernel/boot"

var bootInfo boot.Info
