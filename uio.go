//go:build linux

package hba

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// How long Serve blocks in poll(2) before looking at its context again.
const uioPollMillis = 100

// UIODevice is a host adapter chip bound to the Linux userspace I/O driver.
// Reading the device file waits for an interrupt; writing 1 re-enables the
// interrupt line. The first memory map is the chip's register file.
type UIODevice struct {
	Name string

	fd   int
	mem  []byte
	regs *RegisterWindow
}

// OpenUIO finds the /dev/uioN whose sysfs name is name, opens it and maps
// its registers.
func OpenUIO(name string) (*UIODevice, error) {
	var found string
	err := filepath.Walk("/dev", func(path string, i os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if i.IsDir() && path != "/dev" {
			return filepath.SkipDir
		}
		if !strings.HasPrefix(i.Name(), "uio") {
			return nil
		}
		b, err := ioutil.ReadFile(fmt.Sprintf("/sys/class/uio/%s/name", i.Name()))
		if err != nil {
			return err
		}
		if strings.TrimRight(string(b), "\n") != name {
			logrus.Debugf("%s is not %s", i.Name(), name)
			return nil
		}
		found = i.Name()
		return filepath.SkipDir
	})
	if err != nil && err != filepath.SkipDir {
		return nil, errors.Wrap(err, "scanning /dev for uio devices")
	}
	if found == "" {
		return nil, errors.Errorf("no uio device named %q", name)
	}

	fd, err := unix.Open("/dev/"+found, unix.O_RDWR|unix.O_CLOEXEC, 0600)
	if err != nil {
		return nil, errors.Wrapf(err, "opening /dev/%s", found)
	}
	b, err := ioutil.ReadFile(fmt.Sprintf("/sys/class/uio/%s/maps/map0/size", found))
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "reading %s register map size", found)
	}
	size, err := strconv.ParseUint(strings.TrimRight(string(b), "\n"), 0, 64)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "parsing %s register map size", found)
	}
	mem, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "mapping %s registers", found)
	}
	logrus.Debugf("opened %s as %s, %d bytes of registers", name, found, size)
	d := newUIODevice(fd, mem)
	d.Name = name
	return d, nil
}

func newUIODevice(fd int, mem []byte) *UIODevice {
	return &UIODevice{fd: fd, mem: mem, regs: NewRegisterWindow(mem)}
}

// Registers returns the chip's register window.
func (d *UIODevice) Registers() *RegisterWindow {
	return d.regs
}

// Serve waits for interrupts until ctx is done. After each one isr decodes
// the chip's registers into events, which are handed to post, and the
// interrupt is enabled again. post is normally Adapter.Post.
func (d *UIODevice) Serve(ctx context.Context, isr func(*RegisterWindow) []Event, post func(Event)) error {
	if err := d.enable(); err != nil {
		return err
	}
	fds := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLIN}}
	buf := make([]byte, 4)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := unix.Poll(fds, uioPollMillis)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errors.Wrap(err, "waiting for interrupt")
		}
		if n == 0 {
			continue
		}
		if _, err := unix.Read(d.fd, buf); err != nil {
			return errors.Wrap(err, "reading interrupt count")
		}
		for _, ev := range isr(d.regs) {
			post(ev)
		}
		if err := d.enable(); err != nil {
			return err
		}
	}
}

func (d *UIODevice) enable() error {
	one := []byte{1, 0, 0, 0}
	if _, err := unix.Write(d.fd, one); err != nil {
		return errors.Wrap(err, "enabling interrupt")
	}
	return nil
}

func (d *UIODevice) Close() error {
	var err error
	if d.mem != nil {
		err = unix.Munmap(d.mem)
		d.mem = nil
	}
	if d.fd != -1 {
		if cerr := unix.Close(d.fd); err == nil {
			err = cerr
		}
		d.fd = -1
	}
	return err
}
