package handler

import (
	"strconv"

	"coinledger/internal/config"
	"coinledger/internal/ledger"
	"coinledger/internal/service"
	"coinledger/pkg/response"

	"github.com/gin-gonic/gin"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	ledgerService    *service.LedgerService
	reconcileService *service.ReconcileService
	cfg              *config.LedgerConfig
}

// NewHandler 创建处理器实例
func NewHandler(ledgerService *service.LedgerService, reconcileService *service.ReconcileService, cfg *config.LedgerConfig) *Handler {
	return &Handler{
		ledgerService:    ledgerService,
		reconcileService: reconcileService,
		cfg:              cfg,
	}
}

// ============================================================
// 账户相关接口
// ============================================================

// CreateSession 登录后调用，首次调用时创建账户
// POST /api/v1/session
func (h *Handler) CreateSession(c *gin.Context) {
	acc, err := h.ledgerService.EnsureAccount(c.Request.Context(), currentIdentity(c))
	if err != nil {
		response.ErrorFrom(c, err)
		return
	}
	response.Success(c, acc)
}

// GetAccount 查询余额和推荐状态
// GET /api/v1/account
func (h *Handler) GetAccount(c *gin.Context) {
	acc, err := h.ledgerService.GetAccount(c.Request.Context(), currentIdentity(c).AccountID)
	if err != nil {
		response.ErrorFrom(c, err)
		return
	}
	response.Success(c, acc)
}

// GetAudit 分页查询账户流水
// GET /api/v1/audit?page=1&page_size=20
func (h *Handler) GetAudit(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	result, err := h.ledgerService.ListAudit(c.Request.Context(), currentIdentity(c).AccountID, page, pageSize)
	if err != nil {
		response.ErrorFrom(c, err)
		return
	}
	response.Success(c, result)
}

// GrantCoins 管理员发放硬币（外部支付到账、活动奖励、纠错）
// POST /api/v1/admin/coins/grant
//
// 【关键点】带 request_id 的请求是幂等的，支付回调重试不会重复入账
func (h *Handler) GrantCoins(c *gin.Context) {
	caller := currentIdentity(c)
	if !h.cfg.IsAdmin(caller.AccountID) {
		response.ErrorFrom(c, ledger.ErrPermissionDenied)
		return
	}

	var req service.GrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	req.ActorID = caller.AccountID

	result, err := h.ledgerService.GrantCoins(c.Request.Context(), &req)
	if err != nil {
		response.ErrorFrom(c, err)
		return
	}
	response.Success(c, result)
}

// GrantContent 管理员赠送内容（补偿、活动）
// POST /api/v1/admin/content/grant
func (h *Handler) GrantContent(c *gin.Context) {
	caller := currentIdentity(c)
	if !h.cfg.IsAdmin(caller.AccountID) {
		response.ErrorFrom(c, ledger.ErrPermissionDenied)
		return
	}

	var req service.GrantContentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	req.ActorID = caller.AccountID

	result, err := h.ledgerService.GrantContent(c.Request.Context(), &req)
	if err != nil {
		response.ErrorFrom(c, err)
		return
	}
	response.Success(c, result)
}

// ============================================================
// 内容相关接口
// ============================================================

// PurchaseContent 购买内容
// POST /api/v1/content/purchase
//
// 重复购买同一内容返回 already_owned=true，不扣款
func (h *Handler) PurchaseContent(c *gin.Context) {
	var req service.PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.ledgerService.PurchaseContent(c.Request.Context(), currentIdentity(c).AccountID, &req)
	if err != nil {
		response.ErrorFrom(c, err)
		return
	}
	response.Success(c, result)
}

// ArchiveRequest 归档请求，archived=false 表示取消归档
type ArchiveRequest struct {
	ContentID string `json:"content_id" binding:"required"`
	Archived  *bool  `json:"archived" binding:"required"`
}

// ArchiveContent 删除本地副本后归档，权益保留
// POST /api/v1/content/archive
func (h *Handler) ArchiveContent(c *gin.Context) {
	var req ArchiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if err := h.ledgerService.SetArchived(c.Request.Context(), currentIdentity(c).AccountID, req.ContentID, *req.Archived); err != nil {
		response.ErrorFrom(c, err)
		return
	}
	response.Success(c, gin.H{
		"content_id": req.ContentID,
		"archived":   *req.Archived,
	})
}

// ListEntitlements 查询已拥有的内容
// GET /api/v1/entitlements
func (h *Handler) ListEntitlements(c *gin.Context) {
	ents, err := h.ledgerService.ListEntitlements(c.Request.Context(), currentIdentity(c).AccountID)
	if err != nil {
		response.ErrorFrom(c, err)
		return
	}
	response.Success(c, gin.H{"list": ents})
}

// ReconcileEntitlements 恢复本地缺失的已购内容，App 启动时和用户手动触发时调用
// POST /api/v1/entitlements/reconcile
func (h *Handler) ReconcileEntitlements(c *gin.Context) {
	result, err := h.reconcileService.Reconcile(c.Request.Context(), currentIdentity(c))
	if err != nil {
		response.ErrorFrom(c, err)
		return
	}
	response.Success(c, result)
}

// ============================================================
// 奖励相关接口
// ============================================================

// ClaimDailyBonus 领取每日奖励，同一自然日只发一次
// POST /api/v1/bonus/daily
func (h *Handler) ClaimDailyBonus(c *gin.Context) {
	result, err := h.ledgerService.ClaimDailyBonus(c.Request.Context(), currentIdentity(c).AccountID)
	if err != nil {
		response.ErrorFrom(c, err)
		return
	}
	response.Success(c, result)
}

// ApplyReferralRequest 使用推荐码
type ApplyReferralRequest struct {
	Code string `json:"code" binding:"required"`
}

// ApplyReferralCode 绑定推荐人
// POST /api/v1/referral/apply
func (h *Handler) ApplyReferralCode(c *gin.Context) {
	var req ApplyReferralRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.ledgerService.ApplyReferralCode(c.Request.Context(), currentIdentity(c).AccountID, req.Code)
	if err != nil {
		response.ErrorFrom(c, err)
		return
	}
	response.Success(c, result)
}

// LessonCompleteRequest 完成课程
type LessonCompleteRequest struct {
	ContentID     string `json:"content_id" binding:"required"`
	IsDemo        bool   `json:"is_demo"`
	IsUserCreated bool   `json:"is_user_created"`
}

// CompleteLesson 记录学习进度，并在满足条件时给推荐人发奖励
// POST /api/v1/lesson/complete
//
// 没有发奖励不是错误，返回 rewarded=false 和原因
func (h *Handler) CompleteLesson(c *gin.Context) {
	var req LessonCompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	accountID := currentIdentity(c).AccountID
	ctx := c.Request.Context()
	if err := h.ledgerService.RecordLessonCompleted(ctx, accountID, req.ContentID); err != nil {
		response.ErrorFrom(c, err)
		return
	}

	result, err := h.ledgerService.CompleteReferral(ctx, accountID, ledger.CompletionInput{
		ContentID:     req.ContentID,
		IsDemo:        req.IsDemo,
		IsUserCreated: req.IsUserCreated,
	})
	if err != nil {
		response.ErrorFrom(c, err)
		return
	}
	response.Success(c, result)
}
