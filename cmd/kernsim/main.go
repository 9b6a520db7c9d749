// Command kernsim boots the kernel on a simulated machine and wires its
// console to the host terminal: keystrokes arrive through the UART IRQ
// path one byte at a time, transmitted bytes land on stdout, and a host
// ticker drives the preemption timer. It is the interactive stand-in for
// the virtual board the kernel targets.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/biscuit-kernel/sv39kernel/internal/bootcfg"
	"github.com/biscuit-kernel/sv39kernel/internal/cons"
	"github.com/biscuit-kernel/sv39kernel/internal/kernel"
	"github.com/biscuit-kernel/sv39kernel/internal/proc"
	"github.com/biscuit-kernel/sv39kernel/internal/ramfs"
	"github.com/biscuit-kernel/sv39kernel/internal/sched"
	"github.com/biscuit-kernel/sv39kernel/internal/timer"
	"github.com/biscuit-kernel/sv39kernel/internal/ustr"
	"github.com/biscuit-kernel/sv39kernel/internal/usys"
)

// stripWriter models the dumb UART chip on the far side of the console
// contract: it cannot render control sequences, so they are stripped
// before transmission.
type stripWriter struct{}

func (stripWriter) Write(b []byte) (int, error) {
	os.Stdout.WriteString(ansi.Strip(string(b)))
	return len(b), nil
}

func main() {
	cfgpath := flag.String("config", "", "boot configuration (YAML)")
	interactive := flag.Bool("i", false, "wire the console to this terminal")
	flag.Parse()

	cfg := bootcfg.Default()
	if *cfgpath != "" {
		c, err := bootcfg.Load(*cfgpath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "kernsim: %v\n", err)
			os.Exit(1)
		}
		cfg = c
	}

	bar := progressbar.NewOptions(3,
		progressbar.OptionSetDescription("booting"),
		progressbar.OptionSetWriter(os.Stderr),
	)
	if err := kernel.Boot(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "kernsim: boot: %v\n", err)
		os.Exit(1)
	}
	bar.Add(1)

	ramfs.Attach(ramfs.MkMemdisk(1024))
	seedPrograms()
	bar.Add(1)

	cons.Console.SetOutput(stripWriter{})

	if _, err := proc.StartInit("/init", 0); err != 0 {
		fmt.Fprintf(os.Stderr, "kernsim: no init: %v\n", err)
		os.Exit(1)
	}
	bar.Add(1)
	fmt.Fprintln(os.Stderr)

	// the preemption timer: a host ticker standing in for the CLINT
	stopTick := make(chan struct{})
	go func() {
		tk := time.NewTicker(timer.SchedulIntervalMS * time.Millisecond)
		defer tk.Stop()
		for {
			select {
			case <-tk.C:
				kernel.OnTimerIRQ()
			case <-stopTick:
				return
			}
		}
	}()

	var restore func()
	if *interactive {
		restore = wireTerminal()
	}

	sched.Run()

	close(stopTick)
	if restore != nil {
		restore()
	}
	ramfs.Sync()
}

// wireTerminal puts the host terminal in raw mode and pumps keystrokes
// into the UART receive path. SIGWINCH is forwarded as an input event so
// user programs can learn the console resized.
func wireTerminal() func() {
	fdn := int(os.Stdin.Fd())
	if !term.IsTerminal(fdn) {
		return nil
	}
	old, err := term.MakeRaw(fdn)
	if err != nil {
		return nil
	}

	// keep the kernel's view of the terminal coherent with the host's:
	// raw mode, no echo (the console echoes)
	if tio, terr := unix.IoctlGetTermios(fdn, unix.TCGETS); terr == nil {
		tio.Lflag &^= unix.ECHO
		unix.IoctlSetTermios(fdn, unix.TCSETS, tio)
	}

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, unix.SIGWINCH)
	go func() {
		for range winch {
			if w, h, werr := term.GetSize(fdn); werr == nil {
				kernel.InjectKey(3 /* EV_ABS */, 0, uint32(w)<<16|uint32(h))
			}
		}
	}()

	go func() {
		buf := make([]byte, 1)
		for {
			n, rerr := os.Stdin.Read(buf)
			if rerr != nil || n == 0 {
				return
			}
			kernel.InjectConsole(buf[0])
		}
	}()

	return func() {
		signal.Stop(winch)
		close(winch)
		term.Restore(fdn, old)
	}
}

// seedPrograms populates the filesystem with the init image and the
// demo programs exec can load.
func seedPrograms() {
	ramfs.WriteFile(ustr.Ustr("/init"), fakeELF())
	ramfs.WriteFile(ustr.Ustr("/echo"), fakeELF())

	proc.RegisterProgram("/init", func() {
		usys.Write(1, []byte("sv39kernel: init up\n"))
		child := usys.Fork(func() {
			usys.Exec("/echo", []string{"hello", "from", "exec"})
			usys.Exit(1)
		})
		if child > 0 {
			usys.Wait(int(child))
		}
		// echo console input back until EOF or "q"
		for {
			b, n := usys.Read(0, 64)
			if n <= 0 {
				break
			}
			usys.Write(1, b)
			if len(b) == 1 && b[0] == 'q' {
				break
			}
		}
		usys.Exit(0)
	})

	proc.RegisterProgram("/echo", func() {
		usys.Write(1, []byte("echo: argv received\n"))
		usys.Exit(0)
	})
}

// fakeELF builds the minimal image the loader accepts: the magic and one
// LOAD segment of eight zero bytes. The hosted text lives in the program registry,
// but exec still validates and loads what the file claims.
func fakeELF() []byte {
	// ELF64 header + one program header, little-endian RISC-V
	b := make([]byte, 64+56+8)
	copy(b, []byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0})
	put16 := func(off int, v uint16) { b[off] = byte(v); b[off+1] = byte(v >> 8) }
	put32 := func(off int, v uint32) {
		for i := 0; i < 4; i++ {
			b[off+i] = byte(v >> (8 * i))
		}
	}
	put64 := func(off int, v uint64) {
		for i := 0; i < 8; i++ {
			b[off+i] = byte(v >> (8 * i))
		}
	}
	put16(16, 2)          // ET_EXEC
	put16(18, 0xf3)       // EM_RISCV
	put32(20, 1)          // EV_CURRENT
	put64(24, 0x10000)    // entry
	put64(32, 64)         // phoff
	put16(52, 64)         // ehsize
	put16(54, 56)         // phentsize
	put16(56, 1)          // phnum
	// PT_LOAD at vaddr 0x10000, filesz 8, memsz 8, RX
	ph := 64
	put32(ph+0, 1)                // p_type
	put32(ph+4, 5) // p_flags R|X
	put64(ph+8, 120)              // p_offset
	put64(ph+16, 0x10000)         // p_vaddr
	put64(ph+24, 0x10000)         // p_paddr
	put64(ph+32, 8)               // p_filesz
	put64(ph+40, 8)               // p_memsz
	put64(ph+48, 0x1000)          // p_align
	return b
}
