package keyvaluedb

import (
	"errors"
	"reflect"
)

var ErrInvalidArgument = errors.New("invalid argument")

func CheckKey(key []byte) error {
	if len(key) == 0 {
		return errors.New("key is empty")
	}
	return nil
}

func CheckValue(value any) error {
	if value == nil {
		return errors.New("value is nil")
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Ptr && rv.IsNil() {
		return errors.New("value is nil pointer")
	}
	return nil
}

func CheckKeyAndValue(key []byte, value any) error {
	if err := CheckKey(key); err != nil {
		return err
	}
	return CheckValue(value)
}
