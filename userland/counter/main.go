// Command counter writes an incrementing count once a second, forever. Two
// instances of this process scheduled side by side by kernel/sched is
// spec.md §8 scenario 3 (two-process scheduling); the sleep interval
// between each write exercises scenario 4 (sleep timing).
package main

import "corekernel/userland/sys"

func itoa(n int, buf []byte) []byte {
	if n == 0 {
		return append(buf, '0')
	}
	start := len(buf)
	for n > 0 {
		buf = append(buf, byte('0'+n%10))
		n /= 10
	}
	for i, j := start, len(buf)-1; i < j; i, j = i+1, j-1 {
		buf[i], buf[j] = buf[j], buf[i]
	}
	return buf
}

func main() {
	line := make([]byte, 0, 16)
	for i := 0; ; i++ {
		line = line[:0]
		line = itoa(i, line)
		line = append(line, '\n')
		sys.Write(line)
		sys.Sleep(1000)
	}
}
