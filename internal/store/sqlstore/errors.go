package sqlstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"pmquery/internal/queryerr"
	"pmquery/internal/schema"
	"pmquery/internal/store"
)

type operation int

const (
	opOther operation = iota
	opSelect
	opInsert
	opUpdate
	opDelete
)

// MySQL server error numbers.
const (
	mysqlDuplicateEntry   = 1062
	mysqlBadNull          = 1048
	mysqlRowIsReferenced  = 1451
	mysqlNoReferencedRow  = 1452
	mysqlLockWaitTimeout  = 1205
	mysqlDeadlock         = 1213
	mysqlCheckConstraint  = 3819
	mysqlRowIsReferenced2 = 1217
	mysqlNoReferencedRow2 = 1216
)

// PostgreSQL SQLSTATE codes.
const (
	pgUniqueViolation      = "23505"
	pgForeignKeyViolation  = "23503"
	pgNotNullViolation     = "23502"
	pgCheckViolation       = "23514"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

// mapError translates a driver error into the engine taxonomy. Errors that are not
// constraint failures keep the driver error in their chain.
func (c *conn) mapError(entity *schema.Entity, op operation, err error) error {
	if err == nil {
		return nil
	}
	name := ""
	if entity != nil {
		name = entity.Name
	}

	var (
		myErr   *mysql.MySQLError
		pgErr   *pgconn.PgError
		liteErr *sqlite.Error
	)
	switch {
	case errors.As(err, &myErr):
		if mapped := c.mapMySQL(entity, op, myErr); mapped != nil {
			return mapped
		}
	case errors.As(err, &pgErr):
		if mapped := c.mapPostgres(entity, op, pgErr); mapped != nil {
			return mapped
		}
	case errors.As(err, &liteErr):
		if mapped := c.mapSQLite(entity, op, liteErr); mapped != nil {
			return mapped
		}
	}
	if name == "" {
		return err
	}
	return queryerr.Storage(name, err)
}

func (c *conn) mapMySQL(entity *schema.Entity, op operation, e *mysql.MySQLError) error {
	switch e.Number {
	case mysqlDeadlock, mysqlLockWaitTimeout:
		return fmt.Errorf("%w: %s", store.ErrConflict, e.Message)
	}
	if entity == nil {
		return nil
	}
	switch e.Number {
	case mysqlDuplicateEntry:
		// Duplicate entry 'v' for key 'table.constraint'
		key := quotedAfter(e.Message, "for key '", "'")
		if strings.EqualFold(key, "PRIMARY") || strings.HasSuffix(strings.ToUpper(key), ".PRIMARY") {
			return queryerr.UniqueViolation(entity.Name, []string{schema.PrimaryKey}, queryerr.OriginStorage)
		}
		return c.uniqueFromConstraint(entity, key)
	case mysqlRowIsReferenced, mysqlRowIsReferenced2, mysqlNoReferencedRow, mysqlNoReferencedRow2:
		return c.foreignKeyFromConstraint(entity, op, quotedAfter(e.Message, "CONSTRAINT `", "`"))
	case mysqlBadNull:
		col := quotedAfter(e.Message, "Column '", "'")
		return queryerr.Validation(entity.Name, "%s is required", c.fieldForColumn(entity, col))
	case mysqlCheckConstraint:
		return queryerr.Validation(entity.Name, "%s", e.Message)
	}
	return nil
}

func (c *conn) mapPostgres(entity *schema.Entity, op operation, e *pgconn.PgError) error {
	switch e.Code {
	case pgSerializationFailure, pgDeadlockDetected:
		return fmt.Errorf("%w: %s", store.ErrConflict, e.Message)
	}
	if entity == nil {
		return nil
	}
	switch e.Code {
	case pgUniqueViolation:
		return c.uniqueFromConstraint(entity, e.ConstraintName)
	case pgForeignKeyViolation:
		return c.foreignKeyFromConstraint(entity, op, e.ConstraintName)
	case pgNotNullViolation:
		return queryerr.Validation(entity.Name, "%s is required", c.fieldForColumn(entity, e.ColumnName))
	case pgCheckViolation:
		return queryerr.Validation(entity.Name, "%s", e.Message)
	}
	return nil
}

func (c *conn) mapSQLite(entity *schema.Entity, op operation, e *sqlite.Error) error {
	code := e.Code()
	switch code & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return fmt.Errorf("%w: %s", store.ErrConflict, e.Error())
	}
	if entity == nil {
		return nil
	}
	switch code {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		// UNIQUE constraint failed: table.col, table.col
		cols := sqliteColumns(e.Error())
		return queryerr.UniqueViolation(entity.Name, c.planner.FieldsForColumns(entity, cols), queryerr.OriginStorage)
	case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
		// SQLite does not name the failing constraint.
		if op == opDelete {
			return queryerr.ForeignKey(entity.Name, "", "row is still referenced", queryerr.OriginStorage)
		}
		return queryerr.ForeignKey(entity.Name, "", "referenced row does not exist", queryerr.OriginStorage)
	case sqlite3.SQLITE_CONSTRAINT_NOTNULL:
		cols := sqliteColumns(e.Error())
		field := ""
		if len(cols) > 0 {
			field = c.fieldForColumn(entity, cols[0])
		}
		return queryerr.Validation(entity.Name, "%s is required", field)
	case sqlite3.SQLITE_CONSTRAINT_CHECK:
		return queryerr.Validation(entity.Name, "%s", e.Error())
	}
	return nil
}

func (c *conn) uniqueFromConstraint(entity *schema.Entity, name string) error {
	if con, ok := c.planner.ConstraintByName(name); ok && con.Fields != nil {
		return queryerr.UniqueViolation(con.Entity.Name, con.Fields, queryerr.OriginStorage)
	}
	return queryerr.UniqueViolation(entity.Name, nil, queryerr.OriginStorage)
}

// foreignKeyFromConstraint reports a dangling reference on writes and a still-referenced row
// on deletes.
func (c *conn) foreignKeyFromConstraint(entity *schema.Entity, op operation, name string) error {
	con, ok := c.planner.ConstraintByName(name)
	if !ok || con.Relation == nil {
		if op == opDelete {
			return queryerr.ForeignKey(entity.Name, "", "row is still referenced", queryerr.OriginStorage)
		}
		return queryerr.ForeignKey(entity.Name, "", "referenced row does not exist", queryerr.OriginStorage)
	}
	if op == opDelete {
		return queryerr.ForeignKey(entity.Name, "", "row is still referenced by "+con.Entity.Name, queryerr.OriginStorage)
	}
	return queryerr.ForeignKey(entity.Name, con.Relation.FKField,
		"referenced "+con.Relation.Target+" does not exist", queryerr.OriginStorage)
}

func (c *conn) fieldForColumn(entity *schema.Entity, col string) string {
	if col == "" {
		return ""
	}
	return c.planner.FieldsForColumns(entity, []string{col})[0]
}

// quotedAfter returns the text between prefix and the next terminator.
func quotedAfter(msg, prefix, terminator string) string {
	i := strings.Index(msg, prefix)
	if i < 0 {
		return ""
	}
	rest := msg[i+len(prefix):]
	if j := strings.Index(rest, terminator); j >= 0 {
		return rest[:j]
	}
	return rest
}

// sqliteColumns extracts the column list of a constraint message such as
// "UNIQUE constraint failed: users.email (2067)".
func sqliteColumns(msg string) []string {
	i := strings.LastIndex(msg, "failed: ")
	if i < 0 {
		return nil
	}
	list := msg[i+len("failed: "):]
	if j := strings.Index(list, " ("); j >= 0 {
		list = list[:j]
	}
	var cols []string
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if k := strings.LastIndex(part, "."); k >= 0 {
			part = part[k+1:]
		}
		if part != "" {
			cols = append(cols, part)
		}
	}
	return cols
}
