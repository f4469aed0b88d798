package storage

import (
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
)

var instanceID = sync.OnceValue(func() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}

	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
})

// InstanceID identifies this process in the run history, so runs recorded by
// different hosts sharing one database can be told apart. It is stable for
// the life of the process.
func InstanceID() string {
	return instanceID()
}
