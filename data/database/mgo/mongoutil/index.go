package mongoutil

import (
	"context"

	"PPGate/tools/errs"

	"go.mongodb.org/mongo-driver/mongo"
)

// EnsureIndexes 只创建按名字尚不存在的索引
func EnsureIndexes(ctx context.Context, db *mongo.Database, collections map[string][]mongo.IndexModel) error {
	for collName, indexes := range collections {
		coll := db.Collection(collName)

		existing, err := coll.Indexes().ListSpecifications(ctx)
		if err != nil {
			return errs.WrapMsg(err, "list indexes", "collection", collName)
		}
		existingNames := make(map[string]struct{}, len(existing))
		for _, spec := range existing {
			existingNames[spec.Name] = struct{}{}
		}

		for _, idx := range indexes {
			name := ""
			if idx.Options != nil && idx.Options.Name != nil {
				name = *idx.Options.Name
				if _, ok := existingNames[name]; ok {
					continue
				}
			}
			if _, err := coll.Indexes().CreateOne(ctx, idx); err != nil {
				return errs.WrapMsg(err, "create index", "collection", collName, "index", name)
			}
		}
	}
	return nil
}

// MergeIndexes 合并多个模块的索引声明
func MergeIndexes(parts ...map[string][]mongo.IndexModel) map[string][]mongo.IndexModel {
	out := make(map[string][]mongo.IndexModel)
	for _, p := range parts {
		for coll, idx := range p {
			out[coll] = append(out[coll], idx...)
		}
	}
	return out
}
