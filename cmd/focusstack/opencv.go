//go:build gocv

package main

import _ "focusstack/internal/features/cv"
