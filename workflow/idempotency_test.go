package workflow

import (
	"errors"
	"fmt"
	"testing"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

func TestIsDuplicateKeyErr(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "gorm translated", err: gorm.ErrDuplicatedKey, want: true},
		{name: "mysql 1062", err: &mysqlDriver.MySQLError{Number: 1062, Message: "Duplicate entry"}, want: true},
		{name: "mysql other", err: &mysqlDriver.MySQLError{Number: 1213, Message: "Deadlock"}},
		{name: "postgres unique", err: &pgconn.PgError{Code: "23505"}, want: true},
		{name: "postgres wrapped", err: fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"}), want: true},
		{name: "postgres fk", err: &pgconn.PgError{Code: "23503"}},
		{name: "plain", err: errors.New("boom")},
		{name: "nil", err: nil},
	}
	for _, tc := range cases {
		if got := isDuplicateKeyErr(tc.err); got != tc.want {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}
