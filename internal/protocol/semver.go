package protocol

import (
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

// CompatibilityCheck is the result of comparing a client's protocol version
// against the server's.
type CompatibilityCheck struct {
	Compatible bool
	Reason     string // non-empty only when Compatible is false
}

// CheckCompatibility implements spec.md section 4.4 step 2: reject on a
// major-version mismatch or a client version below the server's minimum.
func CheckCompatibility(clientVersion string) CompatibilityCheck {
	cv := toSemver(clientVersion)
	if !semver.IsValid(cv) {
		return CompatibilityCheck{Compatible: false, Reason: "unparseable client protocol version"}
	}

	serverMajor := semver.Major(toSemver(ServerProtocolVersion))
	clientMajor := semver.Major(cv)
	if clientMajor != serverMajor {
		return CompatibilityCheck{
			Compatible: false,
			Reason:     fmt.Sprintf("major version mismatch: client %s, server %s", clientVersion, ServerProtocolVersion),
		}
	}

	if semver.Compare(cv, toSemver(MinClientProtocolVersion)) < 0 {
		return CompatibilityCheck{
			Compatible: false,
			Reason:     fmt.Sprintf("client protocol version %s is below minimum %s", clientVersion, MinClientProtocolVersion),
		}
	}

	return CompatibilityCheck{Compatible: true}
}

// toSemver prefixes a bare "x.y.z" version with "v" as golang.org/x/mod/semver requires.
func toSemver(v string) string {
	v = strings.TrimSpace(v)
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}
