package config

import "strings"

// KULL_BATCH_POLLINTERVAL -> batch.pollinterval
var envReplacer = strings.NewReplacer(".", "_")
