/* An internal package with test utilities.
 */

package ftesting

import (
	"runtime/debug"
	"strings"
	"testing"
	"time"

	"github.com/openfleet/fleetflow/utils"
)

// Compares lists of strings regardless of order.
func CompareStrings(expected []string, watched []string) bool {
	if len(expected) != len(watched) {
		return false
	}

	for _, item := range watched {
		if !utils.InString(expected, item) {
			return false
		}
	}
	return true
}

func ContainsString(expected string, watched []string) bool {
	for _, line := range watched {
		if strings.Contains(line, expected) {
			return true
		}
	}
	return false
}

func WaitUntil(deadline time.Duration, t *testing.T, cb func() bool) {
	end_time := time.Now().Add(deadline)

	for end_time.After(time.Now()) {
		ok := cb()
		if ok {
			return
		}

		time.Sleep(50 * time.Millisecond)
	}

	t.Fatalf("Timed out " + string(debug.Stack()))
}
