package session

import "golang.org/x/sys/unix"

// setNoFile raises the process's open file descriptor limit to n, needed
// because a session with many torrents and peers can easily exceed the
// default 1024 soft limit. It only raises the soft limit up to the
// existing hard limit; it never lowers either.
func setNoFile(n int) error {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlimit); err != nil {
		return err
	}
	want := uint64(n)
	if rlimit.Cur >= want {
		return nil
	}
	if rlimit.Max < want {
		want = rlimit.Max
	}
	rlimit.Cur = want
	return unix.Setrlimit(unix.RLIMIT_NOFILE, &rlimit)
}
