package main

import "reflect"

// replaceEnvKeys walks data and replaces every string field of the form
// "$FOO" with the value of the FOO environment variable, letting secrets
// (token signing key, database passwords) live outside the YAML file.
// Verbatim adaptation of cmd/dex/config_env_replacer.go's reflection walk.
func replaceEnvKeys(data interface{}, getenv func(string) string) error {
	val := reflect.ValueOf(data)

	if val.Kind() != reflect.Interface && val.Kind() != reflect.Ptr {
		return nil
	}

	s := val.Elem()
	if !s.CanSet() {
		return nil
	}

	if s.Kind() == reflect.String {
		value := s.Interface().(string)
		if len(value) > 1 && value[0] == '$' {
			s.SetString(getenv(value[1:]))
		}
		return nil
	}

	if s.Kind() == reflect.Struct {
		for i := 0; i < s.NumField(); i++ {
			if err := replaceEnvKeys(s.Field(i).Addr().Interface(), getenv); err != nil {
				return err
			}
		}
		return nil
	}

	if s.Kind() == reflect.Slice {
		for i := 0; i < s.Len(); i++ {
			if err := replaceEnvKeys(s.Index(i).Addr().Interface(), getenv); err != nil {
				return err
			}
		}
		return nil
	}

	return nil
}
