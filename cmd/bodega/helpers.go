package main

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/zulandar/bodega/internal/config"
	"github.com/zulandar/bodega/internal/db"
	"github.com/zulandar/bodega/internal/items/aws"
	"github.com/zulandar/bodega/internal/items/generic"
	"github.com/zulandar/bodega/internal/items/legacy"
	"github.com/zulandar/bodega/internal/sid"
)

// connectFromConfig loads the config file and opens the Bodega database.
func connectFromConfig(configPath string) (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	return cfg, gormDB, nil
}

// loadCodec builds the SID codec from the process secret.
func loadCodec() (*sid.Codec, error) {
	secret, err := config.SIDSecret()
	if err != nil {
		return nil, err
	}
	return sid.NewCodec(secret)
}

// attrsModels lists every item attribute table. Migration creates all of
// them regardless of which item types this deployment enables, so turning
// a type on later is a config change, not a schema change.
func attrsModels() []interface{} {
	return []interface{}{
		&generic.BasicItemAttrs{},
		&generic.ComplexItemAttrs{},
		&aws.Ec2InstanceAttrs{},
		&legacy.TestbedAttrs{},
	}
}
