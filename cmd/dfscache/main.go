package main

import (
	// Remote file system adaptors register themselves by scheme.
	_ "github.com/edgecache/dfscache/internal/adaptor/httpfs"
	_ "github.com/edgecache/dfscache/internal/adaptor/s3fs"
)

func main() {
	Execute()
}
