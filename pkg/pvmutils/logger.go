// Copyright (c) 2026 Confidential Containers Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package pvmutils

import (
	"github.com/sirupsen/logrus"
)

var pvmUtilsLogger = logrus.NewEntry(logrus.New())

// SetLogger sets the logger for this package.
func SetLogger(logger *logrus.Entry) {
	fields := logrus.Fields{
		"source": "pvmutils",
	}
	pvmUtilsLogger = logger.WithFields(fields)
}

// Logger returns the package logger.
func Logger() *logrus.Entry {
	return pvmUtilsLogger
}
