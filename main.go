package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"github.com/optix2000/sotdfix/config"
	"github.com/optix2000/sotdfix/logging"
	"github.com/optix2000/sotdfix/patcher"
	"github.com/optix2000/sotdfix/signature"
	"github.com/optix2000/sotdfix/status"
	"github.com/sirupsen/logrus"

	"golang.org/x/sys/windows"
)

//go:generate go-winres make --product-version=git-tag --file-version=git-tag

// Filled in at build time
var Version string = "(unknown version)"

const SotDExe = "SotD-Win64-Shipping.exe"

const DefaultStatusAddr = "127.0.0.1:21612"

const sotdfix = " ____        _   ____  _____ _      \n" +
	"/ ___|  ___ | |_|  _ \\|  ___(_)_  __\n" +
	"\\___ \\ / _ \\| __| | | | |_  | \\ \\/ /\n" +
	" ___) | (_) | |_| |_| |  _| | |>  < \n" +
	"|____/ \\___/ \\__|____/|_|   |_/_/\\_\\"

var sig chan os.Signal

var modKernel32 *windows.LazyDLL = windows.NewLazySystemDLL("kernel32.dll")
var procSetConsoleTitle *windows.LazyProc = modKernel32.NewProc("SetConsoleTitleW")

func panicBox(v interface{}) {
	const header = `SotDFix has encountered a fatal error.

Please report this to https://github.com/optix2000/sotdfix/issues

===================

Error: %v

%v`
	messageBox(fmt.Sprintf(header, v, string(debug.Stack())))

	panic(v)
}

func messageBox(message string) {
	msg, e := windows.UTF16PtrFromString(message)
	if e != nil {
		fmt.Println(e)
		panic(e)
	}
	_, e = windows.MessageBox(0, msg, nil, windows.MB_OK|windows.MB_ICONWARNING|windows.MB_SETFOREGROUND)
	if e != nil {
		fmt.Println(e)
		panic(e)
	}
}

func cancelableSleep(ctx context.Context, delay time.Duration) {
	wait, waitCancel := context.WithTimeout(ctx, delay)
	<-wait.Done()
	waitCancel()
}

// nextTo resolves name against the directory of the running executable.
func nextTo(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	exe, err := os.Executable()
	if err != nil {
		return name
	}
	return filepath.Join(filepath.Dir(exe), name)
}

type options struct {
	exe        string
	cachePath  string
	signatures signature.Overrides
	noClose    bool
}

// Patch the host as it starts. One attach per PID; the session is torn down
// once the host exits or ctx is cancelled.
func watchHost(ctx context.Context, cfg *config.Config, opts options, server *status.Server, log *logrus.Logger) {
	var patchedPid uint32 = 1
	var current *session

	defer func() {
		if current != nil {
			current.detach()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if current != nil && current.proc.Exited() {
			log.Infof("Process %d exited.", current.proc.PID)
			current.detach()
			current = nil
			if !opts.noClose {
				sig <- os.Interrupt
				return
			}
		}

		pid, err := patcher.GetProc(opts.exe)
		if err != nil {
			if errors.Is(err, patcher.ErrProcessNotFound) {
				if patchedPid != 0 {
					log.Infof("Waiting for %s...", opts.exe)
					patchedPid = 0
				}
				cancelableSleep(ctx, 2*time.Second)
				continue
			}
			panic(err)
		}
		if pid == patchedPid {
			cancelableSleep(ctx, 2*time.Second)
			continue
		}
		if current != nil {
			current.detach()
			current = nil
		}

		var retry int
		for retry = 0; retry < 3; retry++ {
			cancelableSleep(ctx, 1000*time.Millisecond) // Give the host some time to finish loading. EnumProcessModules() doesn't like modules changing while it's running.
			if ctx.Err() != nil {
				return
			}
			current, err = attach(ctx, pid, cfg, opts, server, log)
			if err == nil {
				break
			}
			if errors.Unwrap(err) == syscall.Errno(windows.ERROR_ACCESS_DENIED) {
				messageBox("Could not open the game. It may be running as Administrator. Try re-running SotDFix as Administrator.")
				os.Exit(1)
			}
			log.WithError(err).Warnf("Could not attach to process %d.", pid)
		}
		if retry >= 3 {
			panic(err)
		}
		patchedPid = pid
	}
}

func main() {
	var configPath = flag.String("config", "SotDFix.ini", "Path to the config file.")
	var logPath = flag.String("log", "SotDFix.log", "Path to the log file. Truncated on every run.")
	var exe = flag.String("exe", SotDExe, "Executable name of the game.")
	var signaturesPath = flag.String("signatures", "", "YAML file overriding built-in signatures.")
	var cachePath = flag.String("cache", "SotDFix.cache", "Path to the scan cache. Empty disables caching.")
	var noStatus = flag.Bool("no-status", false, "Don't start the local status server.")
	var statusAddr = flag.String("status-addr", DefaultStatusAddr, "Listen address of the status server.")
	var noUpdate = flag.Bool("no-update", false, "Don't check for SotDFix updates.")
	var noClose = flag.Bool("no-close", false, "Don't automatically close SotDFix alongside the game.")
	var debugLog = flag.Bool("debug", false, "Log hook installation and callout details.")
	var ver = flag.Bool("version", false, "Print the version number and exit.")

	flag.Parse()

	if *ver {
		fmt.Printf("sotdfix %v", Version)
		os.Exit(0)
	}

	title, err := windows.UTF16PtrFromString(fmt.Sprintf("SotDFix %v", Version))
	if err == nil {
		procSetConsoleTitle.Call(uintptr(unsafe.Pointer(title)))
	}

	// Disable QuickEdit mode
	handle, err := windows.GetStdHandle(windows.STD_INPUT_HANDLE)
	if err == nil {
		var mode uint32
		err = windows.GetConsoleMode(handle, &mode)
		if err == nil {
			windows.SetConsoleMode(handle, (mode&^windows.ENABLE_QUICK_EDIT_MODE)|windows.ENABLE_EXTENDED_FLAGS) // https://docs.microsoft.com/en-us/windows/console/setconsolemode
		}
		windows.CloseHandle(handle)
	}
	fmt.Println(sotdfix)
	fmt.Printf("                             %s\n", Version)

	// Raise an alert box on panic so non-technical users don't lose the output.
	defer func() {
		r := recover()
		if r != nil {
			panicBox(r)
		}
	}()

	level := logrus.InfoLevel
	if *debugLog {
		level = logrus.DebugLevel
	}
	log, logFile, err := logging.Setup(nextTo(*logPath), os.Stdout, level)
	if err != nil {
		messageBox(fmt.Sprintf("SotDFix could not open its log file.\n\n%v", err))
		os.Exit(1)
	}
	defer logFile.Close()
	logging.Banner(log, "SotDFix", Version, nextTo(*logPath))

	if !*noUpdate && Version != "(unknown version)" {
		err := autoUpdate(log)
		if err != nil {
			log.Warnf("Failed to update SotDFix: %v.", err)
		}
	}

	cfg, err := config.Load(nextTo(*configPath), log)
	if err != nil {
		log.WithError(err).Error("Could not load config.")
		if errors.Is(err, config.ErrConfigNotFound) {
			messageBox(fmt.Sprintf("SotDFix could not locate its config file.\n\nExpected it at %s", nextTo(*configPath)))
		} else {
			messageBox(fmt.Sprintf("SotDFix could not read its config file.\n\n%v", err))
		}
		os.Exit(1)
	}

	opts := options{exe: *exe, noClose: *noClose}
	if *cachePath != "" {
		opts.cachePath = nextTo(*cachePath)
	}
	if *signaturesPath != "" {
		opts.signatures, err = signature.LoadOverrides(*signaturesPath)
		if err != nil {
			log.WithError(err).Error("Could not load signature overrides.")
			messageBox(fmt.Sprintf("SotDFix could not read %s.\n\n%v", *signaturesPath, err))
			os.Exit(1)
		}
		log.Infof("Signature overrides: %d from %s", len(opts.signatures), *signaturesPath)
	}

	var wg sync.WaitGroup

	ctx, cancel := context.WithCancel(context.Background()) // Context for graceful shutdown
	defer cancel()
	sig = make(chan os.Signal, 1)

	server := status.New(*statusAddr, Version, log)

	// Watch for signal to do graceful shutdown
	wg.Add(1)
	go func() {
		defer wg.Done()
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		cancel()
		if !*noStatus {
			server.Shutdown()
		}
	}()

	// Start Patcher
	wg.Add(1)
	go func() {
		// Raise an alert box on panic so non-technical users don't lose the output.
		defer func() {
			r := recover()
			if r != nil {
				panicBox(r)
			}
		}()
		defer wg.Done()
		watchHost(ctx, cfg, opts, server, log)
	}()

	if !*noStatus {
		wg.Add(1)
		go func() {
			defer func() {
				r := recover()
				if r != nil {
					panicBox(r)
				}
			}()
			defer wg.Done()

			log.Infof("Started status server on %s.", *statusAddr)
			err := server.ListenAndServe()
			if err != nil {
				if !errors.Is(err, http.ErrServerClosed) {
					// The fixes don't depend on the status server
					log.WithError(err).Warn("Status server stopped.")
				}
			}
		}()
	}

	wg.Wait()
}
