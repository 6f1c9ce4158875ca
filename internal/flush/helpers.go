package flush

import (
	"os"
	"strconv"
)

func itoa(i int) string { return strconv.Itoa(i) }

func atoi(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

func isNotExist(err error) bool { return os.IsNotExist(err) }
