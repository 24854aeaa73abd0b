package provision

import (
	"fmt"

	"github.com/itchyny/gojq"
	"github.com/kairos-io/kairos-disk/types"
)

// UUIDMap maps result keys like "root uuid" to the filesystem UUID of the partition.
// A nil value means the partition was not requested.
type UUIDMap map[string]*string

func newUUIDMap() UUIDMap {
	m := UUIDMap{}
	for _, r := range types.AllRoles {
		m[r.UUIDKey()] = nil
	}
	return m
}

// Get returns the UUID under key, empty if there is none
func (u UUIDMap) Get(key string) string {
	if v := u[key]; v != nil {
		return *v
	}
	return ""
}

// Query runs a jq expression over the map, e.g. '."root uuid"'. Multiple results are
// returned one per line.
func (u UUIDMap) Query(q string) (res string, err error) {
	data := map[string]interface{}{}
	for k, v := range u {
		if v == nil {
			data[k] = nil
		} else {
			data[k] = *v
		}
	}
	query, err := gojq.Parse(q)
	if err != nil {
		return res, err
	}
	iter := query.Run(data)
	first := true
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, ok := v.(error); ok {
			return res, err
		}
		if !first {
			res += "\n"
		}
		first = false
		if v == nil {
			res += "null"
			continue
		}
		res += fmt.Sprint(v)
	}
	return res, nil
}
