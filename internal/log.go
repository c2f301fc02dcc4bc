package internal

import (
	"os"

	"github.com/sirupsen/logrus"
)

// SetupLogging はロガーを初期化する。--debug 指定時はDebugレベルまで出力する。
func SetupLogging(debug bool) {
	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})
	if debug {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}
}
