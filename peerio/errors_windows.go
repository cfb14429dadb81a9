//go:build windows

package peerio

func errIsEAGAIN(err error) bool      { return false }
func errIsEINTR(err error) bool       { return false }
func errIsEINPROGRESS(err error) bool { return false }
