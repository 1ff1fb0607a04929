package firewall

import (
	"regexp"
	"strconv"
	"strings"

	fwerrors "github.com/maksimkurb/fwsync/src/internal/errors"
)

const (
	blockFamily      = "Block_"
	allowFamily      = "Allow_"
	rangeBlockFamily = "RangeBlock_"
)

var groupPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9-]*$`)

// ValidateGroup rejects group names whose prefix would alias another group
// family. The empty name selects the default group.
func ValidateGroup(group string) error {
	group = strings.TrimSuffix(group, "_")
	if group == "" {
		return nil
	}
	if !groupPattern.MatchString(group) {
		return fwerrors.NewValidationError("invalid group name "+strconv.Quote(group)+": only letters, digits and '-' are allowed", nil)
	}
	for _, reserved := range []string{blockFamily, allowFamily, rangeBlockFamily} {
		if strings.EqualFold(group, strings.TrimSuffix(reserved, "_")) {
			return fwerrors.NewValidationError("group name "+strconv.Quote(group)+" is reserved", nil)
		}
	}
	return nil
}

// Naming derives rule and set names from a rule prefix.
//
//	<prefix>Block_                 default single-address block group
//	<prefix><group>_               named single-address block group
//	<prefix>Allow_                 allow group
//	<prefix>RangeBlock_[<group>_]  range block groups
type Naming struct {
	RulePrefix string
}

func (n Naming) Allow() string {
	return n.RulePrefix + allowFamily
}

// Block returns the prefix of a single-address block group.
func (n Naming) Block(group string) string {
	group = strings.TrimSuffix(group, "_")
	if group == "" {
		return n.RulePrefix + blockFamily
	}
	return n.RulePrefix + group + "_"
}

// RangeBlock returns the prefix of a range block group.
func (n Naming) RangeBlock(group string) string {
	group = strings.TrimSuffix(group, "_")
	if group == "" {
		return n.RulePrefix + rangeBlockFamily
	}
	return n.RulePrefix + rangeBlockFamily + group + "_"
}

// Secondary returns the naming of the other address family: "6" is inserted
// before the trailing underscore, so "fwsync_" becomes "fwsync6_".
func (n Naming) Secondary() Naming {
	return Naming{RulePrefix: SecondaryPrefix(n.RulePrefix)}
}

// SecondaryPrefix applies the Secondary transformation to a bare prefix.
func SecondaryPrefix(prefix string) string {
	if prefix == "" {
		return ""
	}
	return strings.TrimSuffix(prefix, "_") + "6_"
}

// Owns reports whether name is a rule or group prefix managed under this naming.
func (n Naming) Owns(name string) bool {
	return strings.HasPrefix(name, n.RulePrefix)
}

// Classify returns the action and kind implied by a group prefix.
func (n Naming) Classify(prefix string) (Action, Kind) {
	switch {
	case strings.HasPrefix(prefix, n.Allow()):
		return ActionAllow, KindAddress
	case strings.HasPrefix(prefix, n.RulePrefix+rangeBlockFamily):
		return ActionBlock, KindRange
	default:
		return ActionBlock, KindAddress
	}
}

// RuleName is prefix followed by the slot offset.
func RuleName(prefix string, offset int) string {
	return prefix + strconv.Itoa(offset)
}

// SplitRuleName splits a rule name into its group prefix and offset. ok is
// false when name does not end in a decimal offset.
func SplitRuleName(name string) (prefix string, offset int, ok bool) {
	i := len(name)
	for i > 0 && name[i-1] >= '0' && name[i-1] <= '9' {
		i--
	}
	if i == len(name) || i == 0 {
		return "", 0, false
	}
	offset, err := strconv.Atoi(name[i:])
	if err != nil {
		return "", 0, false
	}
	return name[:i], offset, true
}

// HasPrefixOffset reports whether name is prefix followed only by digits.
func HasPrefixOffset(name, prefix string) bool {
	p, _, ok := SplitRuleName(name)
	return ok && p == prefix
}
