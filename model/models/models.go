// Package models registers every model architecture.
package models

import (
	_ "github.com/jmorganca/uniter/model/models/uniter"
)
