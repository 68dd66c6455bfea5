package repository

import "time"

// ChargeListFilter 查询收单列表的过滤条件
type ChargeListFilter struct {
	Page          int
	PageSize      int
	Channel       string
	State         string
	SourceType    string
	SourceID      string
	Search        string
	MetadataKey   string
	MetadataValue string
	CreatedFrom   *time.Time
	CreatedTo     *time.Time
}

// TransferListFilter 查询付款单列表的过滤条件
type TransferListFilter struct {
	Page       int
	PageSize   int
	Channel    string
	Status     string
	SourceType string
	SourceID   string
}
