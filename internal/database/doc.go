/*
Package database provides the GORM-backed connection pool shared by the
queue, fleet, checkpoint and DLQ stores.

PoolManager wraps a gorm.DB with pool tuning, a background health check,
and transaction helpers. WithTransactionRetry retries on the error
classes concurrent claim traffic produces (deadlock, serialization
failure, dropped connections) with exponential backoff. Open selects the
dialect: postgres in production, mysql as an alternative, sqlite for
single-node and test use.
*/
package database
