package validator

import (
	"fmt"
	"regexp"
)

var inviteCodeRegex = regexp.MustCompile(`^[a-zA-Z0-9]{8}$`)

// InviteCode checks the 8-character alphanumeric invite code shape. Codes are
// matched case-insensitively elsewhere; the shape check accepts either case.
func InviteCode(code string) error {
	if !inviteCodeRegex.MatchString(code) {
		return fmt.Errorf("bad_code")
	}
	return nil
}

func Nickname(nickname string) error {
	length := len(nickname)
	if length < 1 {
		return fmt.Errorf("empty_nickname")
	} else if length > 32 {
		return fmt.Errorf("long_nickname")
	}
	return nil
}

func ServerName(name string) error {
	length := len(name)
	if length < 1 {
		return fmt.Errorf("empty_server_name")
	} else if length > 64 {
		return fmt.Errorf("long_server_name")
	}
	return nil
}
