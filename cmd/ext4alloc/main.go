// Command ext4alloc formats ext4 images and drives the block and inode allocator on them.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
