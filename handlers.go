package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/freshledger/config"
	"github.com/mmdatafocus/freshledger/middlewares"
	"github.com/mmdatafocus/freshledger/models"
	"github.com/mmdatafocus/freshledger/utils"
	"github.com/mmdatafocus/freshledger/workflow"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type api struct {
	engine *workflow.Engine
	logger *logrus.Logger
	ready  atomic.Bool
}

// PubSubMessage is the push envelope Pub/Sub posts to subscribers.
type PubSubMessage struct {
	Message struct {
		Data []byte `json:"data,omitempty"`
		ID   string `json:"id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

func registerRoutes(r *gin.Engine, a *api) {
	v1 := r.Group("/api/v1")

	v1.POST("/warehouses", a.createWarehouse)
	v1.GET("/warehouses", a.listWarehouses)
	v1.GET("/warehouses/:id", a.getWarehouse)
	v1.PUT("/warehouses/:id", a.updateWarehouse)
	v1.POST("/warehouses/:id/active", a.toggleWarehouse)

	v1.POST("/products", a.createProduct)
	v1.GET("/products", a.listProducts)
	v1.GET("/products/:id", a.getProduct)
	v1.PUT("/products/:id/price", a.updateProductPrice)
	v1.POST("/products/:id/active", a.toggleProduct)

	v1.POST("/pallets", a.receivePallet)
	v1.GET("/pallets", a.listPallets)
	v1.GET("/pallets/:id", a.getPallet)

	v1.GET("/allocations/preview", a.previewAllocation)
	v1.POST("/reservations/sweep", a.sweepReservations)

	v1.POST("/orders", a.placeOrder)
	v1.GET("/orders", a.listOrders)
	v1.POST("/orders/approve-loading", middlewares.RequireActor(), a.bulkApproveLoading)
	v1.GET("/orders/:id", a.getOrder)
	v1.GET("/orders/:id/reservations", a.listOrderReservations)
	v1.POST("/orders/:id/reservations", a.createReservations)
	v1.DELETE("/orders/:id/reservations", a.releaseReservations)
	v1.POST("/orders/:id/reservations/extend", a.extendReservation)
	v1.GET("/orders/:id/allocations", a.listOrderAllocations)
	v1.POST("/orders/:id/convert", a.convertReservations)
	v1.POST("/orders/:id/payment", a.confirmPayment)
	v1.POST("/orders/:id/payment-failed", a.markPaymentFailed)
	v1.POST("/orders/:id/cancel", a.cancelOrder)
	v1.POST("/orders/:id/approve-loading", middlewares.RequireActor(), a.approveLoading)
	v1.POST("/orders/:id/commission", a.calculateOrderCommission)

	v1.PUT("/distributors", a.upsertDistributor)
	v1.GET("/distributors", a.listDistributors)
	v1.GET("/distributors/:userId", a.getDistributor)

	v1.POST("/cycles", a.createCycle)
	v1.GET("/cycles", a.listCycles)
	v1.GET("/cycles/:id", a.getCycle)
	v1.POST("/cycles/:id/activate", a.activateCycle)
	v1.POST("/cycles/:id/close", a.closeCycle)
	v1.POST("/cycles/:id/commissions/:userId", a.calculateCycleCommission)
	v1.POST("/cycles/:id/team-commissions/:userId", a.calculateTeamLeaderCycleCommission)
	v1.GET("/cycles/:id/performance", a.listPerformance)
	v1.GET("/cycles/:id/statement", a.exportStatement)

	v1.GET("/commissions", a.listCommissions)
	v1.POST("/commissions/pay", a.markCommissionsPaid)

	v1.GET("/alerts", a.listAlerts)
	v1.POST("/alerts/run", a.runAlertChecks)
	v1.POST("/alerts/:id/read", a.markAlertRead)
	v1.POST("/alerts/:id/resolve", a.resolveAlert)

	r.POST("/pubsub/payments", a.paymentsPubSubHandler)
	r.POST("/internal/ops/outbox/replay", middlewares.RequireActor(), a.outboxReplay)
	r.GET("/internal/ops/outbox/:aggregateType/:id", middlewares.RequireActor(), a.outboxStatus)
}

/* response helpers */

// statusForKind maps business outcomes to HTTP statuses. Refusals are conflicts with the
// current state, lookups that miss are 404.
func statusForKind(kind models.ErrorKind) int {
	switch kind {
	case models.ErrorKindInvalidInput:
		return http.StatusBadRequest
	case models.ErrorKindOrderNotFound, models.ErrorKindProductNotFound, models.ErrorKindCycleNotFoundOrInactive:
		return http.StatusNotFound
	case models.ErrorKindNone:
		return http.StatusInternalServerError
	}
	return http.StatusConflict
}

func (a *api) respond(c *gin.Context, result models.OperationResult, body any) {
	if result.Success {
		c.JSON(http.StatusOK, body)
		return
	}
	c.JSON(statusForKind(result.Kind), body)
}

func (a *api) fail(c *gin.Context, funcName string, err error) {
	switch {
	case errors.Is(err, utils.ErrorRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, utils.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		config.LogError(a.logger, "handlers.go", funcName, c.Request.Method+" "+c.FullPath(), nil, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func pathId(c *gin.Context, name string) (int, bool) {
	id, err := strconv.Atoi(c.Param(name))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

func queryIntPtr(c *gin.Context, name string) (*int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return nil, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return nil, false
	}
	return &v, true
}

func bindJSON(c *gin.Context, dest any) bool {
	if err := c.ShouldBindJSON(dest); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return false
	}
	return true
}

/* stock ledger */

func (a *api) createWarehouse(c *gin.Context) {
	var input models.NewWarehouse
	if !bindJSON(c, &input) {
		return
	}
	w, err := models.CreateWarehouse(c.Request.Context(), &input)
	if err != nil {
		a.fail(c, "createWarehouse", err)
		return
	}
	c.JSON(http.StatusCreated, w)
}

func (a *api) updateWarehouse(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	var input models.NewWarehouse
	if !bindJSON(c, &input) {
		return
	}
	w, err := models.UpdateWarehouse(c.Request.Context(), id, &input)
	if err != nil {
		a.fail(c, "updateWarehouse", err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (a *api) getWarehouse(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	w, err := models.GetWarehouse(c.Request.Context(), id)
	if err != nil {
		a.fail(c, "getWarehouse", err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (a *api) listWarehouses(c *gin.Context) {
	var mode *models.StorageMode
	if raw := c.Query("storage_mode"); raw != "" {
		m := models.StorageMode(raw)
		if !m.IsValid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid storage_mode"})
			return
		}
		mode = &m
	}
	list, err := models.ListWarehouses(c.Request.Context(), mode)
	if err != nil {
		a.fail(c, "listWarehouses", err)
		return
	}
	c.JSON(http.StatusOK, list)
}

type toggleActiveRequest struct {
	IsActive bool `json:"is_active"`
}

func (a *api) toggleWarehouse(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	var req toggleActiveRequest
	if !bindJSON(c, &req) {
		return
	}
	w, err := models.ToggleActive[models.Warehouse](c.Request.Context(), id, req.IsActive)
	if err != nil {
		a.fail(c, "toggleWarehouse", err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (a *api) createProduct(c *gin.Context) {
	var input models.NewProduct
	if !bindJSON(c, &input) {
		return
	}
	p, err := models.CreateProduct(c.Request.Context(), &input)
	if err != nil {
		a.fail(c, "createProduct", err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (a *api) getProduct(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	p, err := models.GetProduct(c.Request.Context(), id)
	if err != nil {
		a.fail(c, "getProduct", err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (a *api) listProducts(c *gin.Context) {
	list, err := models.ListProducts(c.Request.Context(), c.Query("active_only") == "true")
	if err != nil {
		a.fail(c, "listProducts", err)
		return
	}
	c.JSON(http.StatusOK, list)
}

type priceRequest struct {
	PricePerKg decimal.Decimal `json:"price_per_kg"`
}

func (a *api) updateProductPrice(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	var req priceRequest
	if !bindJSON(c, &req) {
		return
	}
	p, err := models.UpdateProductPrice(c.Request.Context(), id, req.PricePerKg)
	if err != nil {
		a.fail(c, "updateProductPrice", err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (a *api) toggleProduct(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	var req toggleActiveRequest
	if !bindJSON(c, &req) {
		return
	}
	p, err := models.ToggleActive[models.Product](c.Request.Context(), id, req.IsActive)
	if err != nil {
		a.fail(c, "toggleProduct", err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (a *api) receivePallet(c *gin.Context) {
	var input models.NewPallet
	if !bindJSON(c, &input) {
		return
	}
	p, err := models.ReceivePallet(c.Request.Context(), &input)
	if err != nil {
		a.fail(c, "receivePallet", err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (a *api) getPallet(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	p, err := models.GetPallet(c.Request.Context(), id)
	if err != nil {
		a.fail(c, "getPallet", err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (a *api) listPallets(c *gin.Context) {
	productId, ok := queryIntPtr(c, "product_id")
	if !ok {
		return
	}
	if productId == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "product_id is required"})
		return
	}
	warehouseId, ok := queryIntPtr(c, "warehouse_id")
	if !ok {
		return
	}
	list, err := models.ListPallets(c.Request.Context(), *productId, warehouseId, c.Query("include_depleted") == "true")
	if err != nil {
		a.fail(c, "listPallets", err)
		return
	}
	c.JSON(http.StatusOK, list)
}

/* reservations */

func (a *api) previewAllocation(c *gin.Context) {
	productId, ok := queryIntPtr(c, "product_id")
	if !ok {
		return
	}
	warehouseId, ok := queryIntPtr(c, "warehouse_id")
	if !ok {
		return
	}
	weight, err := decimal.NewFromString(c.Query("weight"))
	if productId == nil || err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "product_id and weight are required"})
		return
	}
	res, err := a.engine.Reservations.Allocate(c.Request.Context(), *productId, weight, warehouseId)
	if err != nil {
		a.fail(c, "previewAllocation", err)
		return
	}
	a.respond(c, res.OperationResult, res)
}

type reservationRequest struct {
	ProductId      int             `json:"product_id" binding:"required"`
	Weight         decimal.Decimal `json:"weight"`
	WarehouseId    *int            `json:"warehouse_id"`
	TimeoutMinutes int             `json:"timeout_minutes"`
}

func (a *api) createReservations(c *gin.Context) {
	orderId, ok := pathId(c, "id")
	if !ok {
		return
	}
	var req reservationRequest
	if !bindJSON(c, &req) {
		return
	}
	res, err := a.engine.Reservations.CreateReservations(c.Request.Context(), orderId, req.ProductId, req.Weight,
		req.WarehouseId, time.Duration(req.TimeoutMinutes)*time.Minute)
	if err != nil {
		a.fail(c, "createReservations", err)
		return
	}
	a.respond(c, res.OperationResult, res)
}

func (a *api) releaseReservations(c *gin.Context) {
	orderId, ok := pathId(c, "id")
	if !ok {
		return
	}
	count, err := a.engine.Reservations.ReleaseReservations(c.Request.Context(), orderId)
	if err != nil {
		a.fail(c, "releaseReservations", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": orderId, "released": count})
}

type extendRequest struct {
	Minutes int `json:"minutes" binding:"required,gt=0"`
}

func (a *api) extendReservation(c *gin.Context) {
	orderId, ok := pathId(c, "id")
	if !ok {
		return
	}
	var req extendRequest
	if !bindJSON(c, &req) {
		return
	}
	res, err := a.engine.Reservations.ExtendReservation(c.Request.Context(), orderId, time.Duration(req.Minutes)*time.Minute)
	if err != nil {
		a.fail(c, "extendReservation", err)
		return
	}
	a.respond(c, *res, res)
}

func (a *api) convertReservations(c *gin.Context) {
	orderId, ok := pathId(c, "id")
	if !ok {
		return
	}
	res, err := a.engine.Reservations.ConvertReservationsToAllocations(c.Request.Context(), orderId)
	if err != nil {
		a.fail(c, "convertReservations", err)
		return
	}
	a.respond(c, *res, res)
}

func (a *api) sweepReservations(c *gin.Context) {
	sweep, err := a.engine.SweepExpired(c.Request.Context())
	if err != nil {
		a.fail(c, "sweepReservations", err)
		return
	}
	c.JSON(http.StatusOK, sweep)
}

func (a *api) listOrderReservations(c *gin.Context) {
	orderId, ok := pathId(c, "id")
	if !ok {
		return
	}
	list, err := models.ListOrderReservations(c.Request.Context(), orderId)
	if err != nil {
		a.fail(c, "listOrderReservations", err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (a *api) listOrderAllocations(c *gin.Context) {
	orderId, ok := pathId(c, "id")
	if !ok {
		return
	}
	list, err := models.ListOrderAllocations(c.Request.Context(), orderId)
	if err != nil {
		a.fail(c, "listOrderAllocations", err)
		return
	}
	c.JSON(http.StatusOK, list)
}

/* orders */

func (a *api) placeOrder(c *gin.Context) {
	var input workflow.NewOrder
	if !bindJSON(c, &input) {
		return
	}
	res, err := a.engine.Orders.PlaceOrder(c.Request.Context(), &input)
	if err != nil {
		a.fail(c, "placeOrder", err)
		return
	}
	if res.Success {
		c.JSON(http.StatusCreated, res)
		return
	}
	a.respond(c, res.OperationResult, res)
}

func (a *api) getOrder(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	order, err := models.GetOrder(c.Request.Context(), id)
	if err != nil {
		a.fail(c, "getOrder", err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (a *api) listOrders(c *gin.Context) {
	var filter models.OrderFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid filter"})
		return
	}
	list, err := models.ListOrders(c.Request.Context(), filter)
	if err != nil {
		a.fail(c, "listOrders", err)
		return
	}
	c.JSON(http.StatusOK, list)
}

type paymentRequest struct {
	Reference string `json:"reference"`
}

func (a *api) confirmPayment(c *gin.Context) {
	orderId, ok := pathId(c, "id")
	if !ok {
		return
	}
	var req paymentRequest
	if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
		return
	}
	res, err := a.engine.Orders.ConfirmPayment(c.Request.Context(), orderId, req.Reference)
	if err != nil {
		a.fail(c, "confirmPayment", err)
		return
	}
	a.respond(c, res.OperationResult, res)
}

func (a *api) markPaymentFailed(c *gin.Context) {
	orderId, ok := pathId(c, "id")
	if !ok {
		return
	}
	res, err := a.engine.Orders.MarkPaymentFailed(c.Request.Context(), orderId)
	if err != nil {
		a.fail(c, "markPaymentFailed", err)
		return
	}
	a.respond(c, res.OperationResult, res)
}

func (a *api) cancelOrder(c *gin.Context) {
	orderId, ok := pathId(c, "id")
	if !ok {
		return
	}
	res, err := a.engine.Orders.CancelOrder(c.Request.Context(), orderId)
	if err != nil {
		a.fail(c, "cancelOrder", err)
		return
	}
	a.respond(c, *res, res)
}

func (a *api) approveLoading(c *gin.Context) {
	orderId, ok := pathId(c, "id")
	if !ok {
		return
	}
	approverId, _ := utils.GetUserIdFromContext(c.Request.Context())
	res, err := a.engine.Approvals.ApproveOrderLoading(c.Request.Context(), orderId, approverId)
	if err != nil {
		a.fail(c, "approveLoading", err)
		return
	}
	a.respond(c, *res, res)
}

type bulkApproveRequest struct {
	OrderIds []int `json:"order_ids" binding:"required,min=1"`
}

func (a *api) bulkApproveLoading(c *gin.Context) {
	var req bulkApproveRequest
	if !bindJSON(c, &req) {
		return
	}
	approverId, _ := utils.GetUserIdFromContext(c.Request.Context())
	results := a.engine.Approvals.BulkApproveLoading(c.Request.Context(), req.OrderIds, approverId)
	approved := 0
	for _, r := range results {
		if r.Success {
			approved++
		}
	}
	c.JSON(http.StatusOK, gin.H{"approved": approved, "results": results})
}

/* commissions */

func (a *api) calculateOrderCommission(c *gin.Context) {
	orderId, ok := pathId(c, "id")
	if !ok {
		return
	}
	res, err := a.engine.Commissions.CalculateOrderCommission(c.Request.Context(), orderId)
	if err != nil {
		a.fail(c, "calculateOrderCommission", err)
		return
	}
	a.respond(c, res.OperationResult, res)
}

func (a *api) calculateCycleCommission(c *gin.Context) {
	cycleId, ok := pathId(c, "id")
	if !ok {
		return
	}
	userId, ok := pathId(c, "userId")
	if !ok {
		return
	}
	res, err := a.engine.Commissions.CalculateCycleCommission(c.Request.Context(), userId, cycleId)
	if err != nil {
		a.fail(c, "calculateCycleCommission", err)
		return
	}
	a.respond(c, res.OperationResult, res)
}

func (a *api) calculateTeamLeaderCycleCommission(c *gin.Context) {
	cycleId, ok := pathId(c, "id")
	if !ok {
		return
	}
	userId, ok := pathId(c, "userId")
	if !ok {
		return
	}
	res, err := a.engine.Commissions.CalculateTeamLeaderCycleCommission(c.Request.Context(), userId, cycleId)
	if err != nil {
		a.fail(c, "calculateTeamLeaderCycleCommission", err)
		return
	}
	a.respond(c, res.OperationResult, res)
}

func (a *api) listCommissions(c *gin.Context) {
	var filter models.CommissionFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid filter"})
		return
	}
	list, err := models.ListCommissions(c.Request.Context(), filter)
	if err != nil {
		a.fail(c, "listCommissions", err)
		return
	}
	c.JSON(http.StatusOK, list)
}

type payCommissionsRequest struct {
	Ids []int `json:"ids" binding:"required,min=1"`
}

func (a *api) markCommissionsPaid(c *gin.Context) {
	var req payCommissionsRequest
	if !bindJSON(c, &req) {
		return
	}
	count, err := models.MarkCommissionsPaid(c.Request.Context(), req.Ids)
	if err != nil {
		a.fail(c, "markCommissionsPaid", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"paid": count})
}

/* distributors */

func (a *api) upsertDistributor(c *gin.Context) {
	var input models.NewDistributorProfile
	if !bindJSON(c, &input) {
		return
	}
	profile, err := models.UpsertDistributorProfile(c.Request.Context(), &input)
	if err != nil {
		a.fail(c, "upsertDistributor", err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (a *api) getDistributor(c *gin.Context) {
	userId, ok := pathId(c, "userId")
	if !ok {
		return
	}
	profile, err := models.GetDistributorProfile(c.Request.Context(), userId)
	if err != nil {
		a.fail(c, "getDistributor", err)
		return
	}
	if profile == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (a *api) listDistributors(c *gin.Context) {
	var role *models.DistributorRole
	if raw := c.Query("role"); raw != "" {
		r := models.DistributorRole(raw)
		if !r.IsValid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid role"})
			return
		}
		role = &r
	}
	list, err := models.ListDistributorProfiles(c.Request.Context(), role)
	if err != nil {
		a.fail(c, "listDistributors", err)
		return
	}
	c.JSON(http.StatusOK, list)
}

/* sales cycles */

func (a *api) createCycle(c *gin.Context) {
	var input models.NewSalesCycle
	if !bindJSON(c, &input) {
		return
	}
	cycle, err := models.CreateSalesCycle(c.Request.Context(), &input)
	if err != nil {
		a.fail(c, "createCycle", err)
		return
	}
	c.JSON(http.StatusCreated, cycle)
}

func (a *api) getCycle(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	cycle, err := models.GetSalesCycle(c.Request.Context(), id)
	if err != nil {
		a.fail(c, "getCycle", err)
		return
	}
	c.JSON(http.StatusOK, cycle)
}

func (a *api) listCycles(c *gin.Context) {
	list, err := models.ListSalesCycles(c.Request.Context())
	if err != nil {
		a.fail(c, "listCycles", err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (a *api) activateCycle(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	res, err := a.engine.Cycles.ActivateCycle(c.Request.Context(), id)
	if err != nil {
		a.fail(c, "activateCycle", err)
		return
	}
	a.respond(c, res.OperationResult, res)
}

func (a *api) closeCycle(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	res, err := a.engine.Cycles.CloseCycle(c.Request.Context(), id)
	if err != nil {
		a.fail(c, "closeCycle", err)
		return
	}
	a.respond(c, res.OperationResult, res)
}

func (a *api) listPerformance(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	list, err := models.ListPerformanceMetrics(c.Request.Context(), id)
	if err != nil {
		a.fail(c, "listPerformance", err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (a *api) exportStatement(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	upload := c.Query("upload") == "true"
	res, err := workflow.ExportCycleStatement(c.Request.Context(), a.engine.DB, a.logger, id, upload)
	if err != nil {
		a.fail(c, "exportStatement", err)
		return
	}
	if !res.Success {
		a.respond(c, res.OperationResult, res)
		return
	}
	if upload {
		c.JSON(http.StatusOK, res)
		return
	}
	c.Header("Content-Disposition", "attachment; filename="+res.FileName)
	c.Data(http.StatusOK, utils.ContentTypeXLSX, res.Data)
}

/* alerts */

func (a *api) listAlerts(c *gin.Context) {
	var filter models.AlertFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid filter"})
		return
	}
	list, err := models.ListAlerts(c.Request.Context(), filter)
	if err != nil {
		a.fail(c, "listAlerts", err)
		return
	}
	c.JSON(http.StatusOK, list)
}

type runAlertsRequest struct {
	CycleId *int `json:"cycle_id"`
}

func (a *api) runAlertChecks(c *gin.Context) {
	var req runAlertsRequest
	if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
		return
	}
	res, err := a.engine.Alerts.RunAlertChecks(c.Request.Context(), req.CycleId)
	if err != nil {
		a.fail(c, "runAlertChecks", err)
		return
	}
	a.respond(c, res.OperationResult, res)
}

func (a *api) markAlertRead(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	alert, err := models.MarkAlertRead(c.Request.Context(), id)
	if err != nil {
		a.fail(c, "markAlertRead", err)
		return
	}
	c.JSON(http.StatusOK, alert)
}

func (a *api) resolveAlert(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	alert, err := models.ResolveAlert(c.Request.Context(), id)
	if err != nil {
		a.fail(c, "resolveAlert", err)
		return
	}
	c.JSON(http.StatusOK, alert)
}

/* push + ops */

// paymentsPubSubHandler consumes payment events. Malformed messages are acked so they are not
// redelivered forever; infrastructure failures return 500 so Pub/Sub retries.
func (a *api) paymentsPubSubHandler(c *gin.Context) {
	var msg PubSubMessage
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		config.LogError(a.logger, "handlers.go", "paymentsPubSubHandler", "io.ReadAll", nil, err)
		c.Status(http.StatusNoContent)
		return
	}
	if err := json.Unmarshal(body, &msg); err != nil {
		config.LogError(a.logger, "handlers.go", "paymentsPubSubHandler", "Unmarshal body", string(body), err)
		c.Status(http.StatusNoContent)
		return
	}
	var event config.PaymentEvent
	if err := json.Unmarshal(msg.Message.Data, &event); err != nil {
		config.LogError(a.logger, "handlers.go", "paymentsPubSubHandler", "Unmarshal payment event", string(msg.Message.Data), err)
		c.Status(http.StatusNoContent)
		return
	}

	ctx := c.Request.Context()
	if _, ok := utils.GetCorrelationIdFromContext(ctx); !ok {
		ctx = utils.SetCorrelationIdInContext(ctx, msg.Message.ID)
	}
	ctx = utils.SetUserNameInContext(ctx, "System")
	res, err := a.engine.Orders.HandlePaymentMessage(ctx, msg.Message.ID, event)
	if err != nil {
		a.logger.WithFields(logrus.Fields{
			"field":      "paymentsPubSubHandler",
			"message_id": msg.Message.ID,
			"order_id":   event.OrderId,
		}).Error("payment processing failed: " + err.Error())
		c.Status(http.StatusInternalServerError)
		return
	}
	if !res.Success {
		a.logger.WithFields(logrus.Fields{
			"field":      "paymentsPubSubHandler",
			"message_id": msg.Message.ID,
			"order_id":   event.OrderId,
			"kind":       res.Kind,
		}).Warn("payment event refused: " + res.Message)
	}
	c.Status(http.StatusNoContent)
}

type outboxReplayRequest struct {
	RecordId int `json:"record_id" binding:"required,gt=0"`
}

// outboxReplay requeues a FAILED or DEAD outbox row for immediate publishing.
func (a *api) outboxReplay(c *gin.Context) {
	var req outboxReplayRequest
	if !bindJSON(c, &req) {
		return
	}
	rec, err := models.ReplayOutboxEvent(c.Request.Context(), req.RecordId)
	if err != nil {
		a.fail(c, "outboxReplay", err)
		return
	}
	cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"record_id":       rec.ID,
		"publish_status":  rec.PublishStatus,
		"next_attempt_at": rec.NextAttemptAt,
		"correlation_id":  cid,
	})
}

func (a *api) outboxStatus(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	status, err := models.GetOutboxStatus(c.Request.Context(), c.Param("aggregateType"), id)
	if err != nil {
		a.fail(c, "outboxStatus", err)
		return
	}
	c.JSON(http.StatusOK, status)
}
