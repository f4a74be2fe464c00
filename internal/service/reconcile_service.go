package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"coinledger/internal/infrastructure/identity"
	"coinledger/internal/infrastructure/lock"
	"coinledger/internal/ledger"
	"coinledger/internal/metrics"
	"coinledger/internal/model"
	"coinledger/internal/repository"
)

// ============================================================================
// 权益对账
// ============================================================================
//
// 权益表是权威数据，本地内容目录是它的物化副本。对账只做一件事：
// 把"拥有、未归档、但本地没有"的内容重新下载回来。
//
//  1. 读取账户全部权益，没有权益直接返回
//  2. 读取本地已有内容
//  3. missing = 未归档 且 本地不存在
//  4. 逐个恢复：查目录 -> 下载 -> 付费内容解密 -> 写本地
//     单个失败只记日志和计数，继续下一个
//     每个条目之前检查有没有更新的对账在等待，并续期锁
//
// 对账不扣款、不写账本，重复调用只会恢复真正缺失的内容
// ============================================================================

type BlobFetcher interface {
	Fetch(ctx context.Context, storagePath string) ([]byte, error)
}

type ContentDecryptor interface {
	Decrypt(ctx context.Context, token, contentID string, blob []byte) ([]byte, error)
}

type LocalContentStore interface {
	List(ctx context.Context, accountID string) ([]string, error)
	Put(ctx context.Context, accountID, contentID string, data []byte) error
}

type CatalogReader interface {
	GetByContentID(ctx context.Context, contentID string) (*model.CatalogItem, error)
}

type ReconcileResult struct {
	RestoredCount int  `json:"restored_count"`
	FailedCount   int  `json:"failed_count"`
	Superseded    bool `json:"superseded"`
}

type ReconcileService struct {
	entitlementRepo *repository.EntitlementRepository
	catalog         CatalogReader
	blobs           BlobFetcher
	decryptor       ContentDecryptor
	local           LocalContentStore
	guard           *lock.ReconcileGuard
	itemTimeout     time.Duration
}

func NewReconcileService(
	entitlementRepo *repository.EntitlementRepository,
	catalog CatalogReader,
	blobs BlobFetcher,
	decryptor ContentDecryptor,
	local LocalContentStore,
	guard *lock.ReconcileGuard,
	itemTimeout time.Duration,
) *ReconcileService {
	return &ReconcileService{
		entitlementRepo: entitlementRepo,
		catalog:         catalog,
		blobs:           blobs,
		decryptor:       decryptor,
		local:           local,
		guard:           guard,
		itemTimeout:     itemTimeout,
	}
}

// Reconcile 恢复调用方缺失的内容
func (s *ReconcileService) Reconcile(ctx context.Context, id identity.Identity) (*ReconcileResult, error) {
	result := &ReconcileResult{}

	ents, err := s.entitlementRepo.ListByAccountID(ctx, id.AccountID)
	if err != nil {
		return nil, ledger.Internal(fmt.Errorf("查询权益失败: %w", err))
	}
	if len(ents) == 0 {
		return result, nil
	}

	run, err := s.guard.Begin(ctx, id.AccountID)
	if err != nil {
		if errors.Is(err, lock.ErrLockFailed) {
			return nil, ledger.Wrap(ledger.CodeInternal, "对账正在进行，请稍后重试", err)
		}
		return nil, ledger.Internal(err)
	}
	defer run.Release(context.WithoutCancel(ctx))

	// 拿到锁之后再读本地目录，上一次对账恢复的内容不会被重复下载
	localIDs, err := s.local.List(ctx, id.AccountID)
	if err != nil {
		return nil, ledger.Internal(fmt.Errorf("读取本地内容失败: %w", err))
	}

	missing := missingContent(ents, localIDs)
	if len(missing) == 0 {
		return result, nil
	}

	log.Printf("[Reconcile] 开始对账: account=%s, generation=%d, missing=%d",
		id.AccountID, run.Generation(), len(missing))

	for _, ent := range missing {
		if ctx.Err() != nil {
			break
		}
		if !run.Checkpoint(ctx) {
			log.Printf("[Reconcile] 有更新的对账请求或锁已失效，停止本次对账: account=%s, generation=%d",
				id.AccountID, run.Generation())
			result.Superseded = true
			break
		}

		if err := s.restore(ctx, id, ent); err != nil {
			result.FailedCount++
			metrics.ReconcileItemsTotal.WithLabelValues("failed").Inc()
			log.Printf("[Reconcile] 恢复内容失败: account=%s, content=%s, err=%v", id.AccountID, ent.ContentID, err)
			continue
		}
		result.RestoredCount++
		metrics.ReconcileItemsTotal.WithLabelValues("restored").Inc()
	}

	log.Printf("[Reconcile] 对账结束: account=%s, restored=%d, failed=%d, superseded=%v",
		id.AccountID, result.RestoredCount, result.FailedCount, result.Superseded)
	return result, nil
}

func (s *ReconcileService) restore(ctx context.Context, id identity.Identity, ent *model.Entitlement) error {
	itemCtx, cancel := context.WithTimeout(ctx, s.itemTimeout)
	defer cancel()

	item, err := s.catalog.GetByContentID(itemCtx, ent.ContentID)
	if err != nil {
		return fmt.Errorf("查询内容目录失败: %w", err)
	}

	data, err := s.blobs.Fetch(itemCtx, item.StoragePath)
	if err != nil {
		return err
	}

	if item.Premium {
		data, err = s.decryptor.Decrypt(itemCtx, id.Token, ent.ContentID, data)
		if err != nil {
			return err
		}
	}

	return s.local.Put(itemCtx, id.AccountID, ent.ContentID, data)
}

// missingContent 未归档且本地不存在的权益，按内容ID排序
func missingContent(ents []*model.Entitlement, localIDs []string) []*model.Entitlement {
	present := make(map[string]struct{}, len(localIDs))
	for _, id := range localIDs {
		present[id] = struct{}{}
	}

	var missing []*model.Entitlement
	for _, ent := range ents {
		if ent.Archived {
			continue
		}
		if _, ok := present[ent.ContentID]; ok {
			continue
		}
		missing = append(missing, ent)
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i].ContentID < missing[j].ContentID })
	return missing
}
