package database

import "go.mongodb.org/mongo-driver/mongo"

// Table 持久化模型：集合名 + 在给定库上取集合
type Table interface {
	GetTableName() string
	Collection(db *mongo.Database) *mongo.Collection
}
