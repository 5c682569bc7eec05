package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Setup logs to path, truncated on every run, and to console. The returned
// closer flushes and closes the file.
func Setup(path string, console io.Writer, level logrus.Level) (*logrus.Logger, io.Closer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("log initialisation failed: %w", err)
	}

	log := logrus.New()
	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		DisableColors:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
	if console != nil {
		log.SetOutput(io.MultiWriter(f, console))
	} else {
		log.SetOutput(f)
	}
	return log, f, nil
}

// Module identifies the patched host in the log.
type Module struct {
	Name      string
	Path      string
	Base      uintptr
	Timestamp uint32
}

func Banner(log logrus.FieldLogger, name, version, logPath string) {
	log.Info("----------")
	log.Infof("%s %s loaded.", name, version)
	log.Info("----------")
	log.Infof("Log file: %s", logPath)
	log.Info("----------")
}

func LogModule(log logrus.FieldLogger, m Module) {
	log.Infof("Module Name: %s", m.Name)
	log.Infof("Module Path: %s", m.Path)
	log.Infof("Module Address: 0x%x", m.Base)
	log.Infof("Module Timestamp: %d", m.Timestamp)
	log.Info("----------")
}
