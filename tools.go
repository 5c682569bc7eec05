//go:build tools

package main

import (
	_ "github.com/tc-hib/go-winres"
)
